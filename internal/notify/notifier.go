package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/hitoshi/propsite/internal/model"
)

const contactHTML = `<h2>New contact inquiry</h2>
<p><strong>Name:</strong> {{.Name}}</p>
<p><strong>Email:</strong> {{.Email}}</p>
{{if .Phone}}<p><strong>Phone:</strong> {{.Phone}}</p>{{end}}
<p><strong>Property type:</strong> {{.PropertyType}}</p>
<p><strong>Message:</strong></p>
<p>{{.Message}}</p>
<p><small>Reference: {{.ID}}</small></p>
`

const contactText = `New contact inquiry

Name: {{.Name}}
Email: {{.Email}}
{{if .Phone}}Phone: {{.Phone}}
{{end}}Property type: {{.PropertyType}}

{{.Message}}

Reference: {{.ID}}
`

const appointmentHTML = `<h2>New appointment request</h2>
<p><strong>Name:</strong> {{.Name}}</p>
<p><strong>Email:</strong> {{.Email}}</p>
<p><strong>Phone:</strong> {{.Phone}}</p>
{{if .PropertyAddress}}<p><strong>Property:</strong> {{.PropertyAddress}}</p>{{end}}
<p><strong>Preferred:</strong> {{.PreferredDate.Format "2006-01-02"}} {{.PreferredTime}}</p>
{{if .Message}}<p>{{.Message}}</p>{{end}}
<p><small>Reference: {{.ID}}</small></p>
`

const appointmentText = `New appointment request

Name: {{.Name}}
Email: {{.Email}}
Phone: {{.Phone}}
{{if .PropertyAddress}}Property: {{.PropertyAddress}}
{{end}}Preferred: {{.PreferredDate.Format "2006-01-02"}} {{.PreferredTime}}
{{if .Message}}
{{.Message}}
{{end}}
Reference: {{.ID}}
`

var (
	contactHTMLTmpl     = htmltemplate.Must(htmltemplate.New("contact").Parse(contactHTML))
	contactTextTmpl     = texttemplate.Must(texttemplate.New("contact").Parse(contactText))
	appointmentHTMLTmpl = htmltemplate.Must(htmltemplate.New("appointment").Parse(appointmentHTML))
	appointmentTextTmpl = texttemplate.Must(texttemplate.New("appointment").Parse(appointmentText))
)

// Notifier は受付内容を担当者宛ての通知メールに整形して送信する。
type Notifier struct {
	mailer Mailer
	from   string
	to     string
}

// NewNotifier はNotifierを生成する。
func NewNotifier(mailer Mailer, from, to string) *Notifier {
	return &Notifier{mailer: mailer, from: from, to: to}
}

// ContactReceived はお問い合わせの通知メールを送信する。
// 返信先には問い合わせ者のメールアドレスを設定する。
func (n *Notifier) ContactReceived(ctx context.Context, s *model.ContactSubmission) error {
	html, text, err := render(contactHTMLTmpl, contactTextTmpl, s)
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, Message{
		From:    n.from,
		To:      []string{n.to},
		ReplyTo: s.Email,
		Subject: fmt.Sprintf("New inquiry from %s (%s)", s.Name, s.PropertyType),
		HTML:    html,
		Text:    text,
	})
}

// AppointmentRequested は予約リクエストの通知メールを送信する。
func (n *Notifier) AppointmentRequested(ctx context.Context, a *model.Appointment) error {
	html, text, err := render(appointmentHTMLTmpl, appointmentTextTmpl, a)
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, Message{
		From:    n.from,
		To:      []string{n.to},
		ReplyTo: a.Email,
		Subject: fmt.Sprintf("Appointment request from %s on %s %s", a.Name, a.PreferredDate.Format("2006-01-02"), a.PreferredTime),
		HTML:    html,
		Text:    text,
	})
}

func render(h *htmltemplate.Template, t *texttemplate.Template, data any) (string, string, error) {
	var hb, tb bytes.Buffer
	if err := h.Execute(&hb, data); err != nil {
		return "", "", fmt.Errorf("failed to render html mail: %w", err)
	}
	if err := t.Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("failed to render text mail: %w", err)
	}
	return hb.String(), tb.String(), nil
}
