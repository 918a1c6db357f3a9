package mail

import (
	"bytes"
	"context"
	htmltpl "html/template"
	"net/url"
	"strconv"
	"strings"
	texttpl "text/template"
	"time"
)

var (
	confirmText = texttpl.Must(texttpl.New("confirm").Parse(`Confirm your account by opening the link below.

{{.Link}}

The link expires in {{.TTL}}. If you did not register, ignore this message.
`))
	confirmHTML = htmltpl.Must(htmltpl.New("confirm").Parse(`<p>Confirm your account by opening the link below.</p>
<p><a href="{{.Link}}">Confirm account</a></p>
<p>The link expires in {{.TTL}}. If you did not register, ignore this message.</p>
`))
	resetText = texttpl.Must(texttpl.New("reset").Parse(`A password reset was requested for your account.

{{.Link}}

The link expires in {{.TTL}} and works once. If you did not ask for it, ignore this message.
`))
	resetHTML = htmltpl.Must(htmltpl.New("reset").Parse(`<p>A password reset was requested for your account.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>The link expires in {{.TTL}} and works once. If you did not ask for it, ignore this message.</p>
`))
)

type linkVars struct {
	Link string
	TTL  string
}

// Notifier renders account emails and hands them to a Sender.
type Notifier struct {
	sender     Sender
	baseURL    string
	confirmTTL time.Duration
	resetTTL   time.Duration
}

// NewNotifier builds links against baseURL (for example "https://vault.example.com").
func NewNotifier(sender Sender, baseURL string, confirmTTL, resetTTL time.Duration) *Notifier {
	return &Notifier{
		sender:     sender,
		baseURL:    strings.TrimRight(baseURL, "/"),
		confirmTTL: confirmTTL,
		resetTTL:   resetTTL,
	}
}

// SendConfirmation mails the email-confirmation link.
func (n *Notifier) SendConfirmation(ctx context.Context, email, token string) error {
	msg, err := render(email, "Confirm your account", confirmText, confirmHTML,
		linkVars{Link: n.link("/auth/confirm", token), TTL: humanTTL(n.confirmTTL)})
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, msg)
}

// SendPasswordReset mails the password-reset link.
func (n *Notifier) SendPasswordReset(ctx context.Context, email, token string) error {
	msg, err := render(email, "Reset your password", resetText, resetHTML,
		linkVars{Link: n.link("/auth/reset-password/confirm", token), TTL: humanTTL(n.resetTTL)})
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, msg)
}

func (n *Notifier) link(path, token string) string {
	return n.baseURL + path + "?token=" + url.QueryEscape(token)
}

func render(to, subject string, text *texttpl.Template, html *htmltpl.Template, vars linkVars) (Message, error) {
	var tb, hb bytes.Buffer
	if err := text.Execute(&tb, vars); err != nil {
		return Message{}, err
	}
	if err := html.Execute(&hb, vars); err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subject, Text: tb.String(), HTML: hb.String()}, nil
}

func humanTTL(d time.Duration) string {
	switch {
	case d <= 0:
		return "a short while"
	case d%(24*time.Hour) == 0:
		n := int(d / (24 * time.Hour))
		if n == 1 {
			return "1 day"
		}
		return strconv.Itoa(n) + " days"
	case d%time.Hour == 0:
		n := int(d / time.Hour)
		if n == 1 {
			return "1 hour"
		}
		return strconv.Itoa(n) + " hours"
	default:
		return d.Round(time.Minute).String()
	}
}
