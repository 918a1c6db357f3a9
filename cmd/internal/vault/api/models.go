package vaultapi

import (
	"time"

	"otpvault/cmd/internal/vault"
)

type createRequest struct {
	Account   string `json:"account"`
	Issuer    string `json:"issuer"`
	Secret    string `json:"secret"`
	Algorithm string `json:"algorithm"`
	Digits    int    `json:"digits"`
	Period    int    `json:"period"`
}

type importRequest struct {
	URI string `json:"uri"`
}

type shareRequest struct {
	Email string `json:"email"`
}

type itemView struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Issuer    string    `json:"issuer,omitempty"`
	Algorithm string    `json:"algorithm"`
	Digits    int       `json:"digits"`
	Period    int       `json:"period"`
	Shared    bool      `json:"shared"`
	Code      string    `json:"code,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
	Readable  bool      `json:"readable"`
	CreatedAt time.Time `json:"created_at"`
}

type itemResponse struct {
	Item itemView `json:"item"`
}

type listResponse struct {
	Items []itemView `json:"items"`
}

type shareResponse struct {
	ItemID    string    `json:"item_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func toItemView(it vault.Item) itemView {
	return itemView{
		ID:        it.ID,
		Account:   it.Account,
		Issuer:    it.Issuer,
		Algorithm: it.Algorithm,
		Digits:    it.Digits,
		Period:    it.Period,
		Readable:  true,
		CreatedAt: it.CreatedAt,
	}
}

func toEntryView(e vault.Entry) itemView {
	v := toItemView(e.Item)
	v.Shared = e.Shared
	v.Code = e.Code
	v.Remaining = e.Remaining
	v.Readable = e.Readable()
	return v
}
