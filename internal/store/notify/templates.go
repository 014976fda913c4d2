package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

const previewLimit = 140

var (
	newMessageText = template.Must(template.New("new_message").Parse(
		`Hi {{.Recipient}},

{{.Sender}} sent you a message on Eugeniagram:

"{{.Preview}}"

Open the app to reply.
`))

	recoveryText = template.Must(template.New("recovery").Parse(
		`Someone asked to reset the password for this Eugeniagram account.

Use this code to choose a new password: {{.Token}}

It expires in {{.ExpiresIn}}. If this wasn't you, ignore this email.
`))
)

// NewMessageEmail builds the direct message notification
func NewMessageEmail(to, recipient, sender, preview string) *Email {
	if recipient == "" {
		recipient = "there"
	}
	if sender == "" {
		sender = "Someone"
	}
	if r := []rune(preview); len(r) > previewLimit {
		preview = string(r[:previewLimit]) + "..."
	}

	return &Email{
		To:        to,
		ToName:    recipient,
		Subject:   fmt.Sprintf("New message from %s", sender),
		PlainText: render(newMessageText, map[string]string{"Recipient": recipient, "Sender": sender, "Preview": preview}),
	}
}

// RecoveryEmail builds the password recovery email
func RecoveryEmail(to, token, expiresIn string) *Email {
	return &Email{
		To:        to,
		Subject:   "Reset your Eugeniagram password",
		PlainText: render(recoveryText, map[string]string{"Token": token, "ExpiresIn": expiresIn}),
	}
}

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}
