package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	texttemplate "text/template"
)

// TemplateData feeds the auth email templates. Code is set for the 6-digit
// flows, ActionURL for the link flows.
type TemplateData struct {
	AppName   string
	Code      string
	ActionURL string
}

const (
	verificationCodeSubject = "Verify your email"
	verificationLinkSubject = "Confirm your email address"
	resetCodeSubject        = "Your password reset code"
	resetLinkSubject        = "Reset your password"
)

var verificationCodeHTML = template.Must(template.New("verify-code").Parse(`
<p>Welcome to {{.AppName}}.</p>
<p>Your verification code is:</p>
<p style="font-size:24px;font-weight:bold;letter-spacing:4px">{{.Code}}</p>
<p>The code expires in 15 minutes. If you did not create an account, ignore this email.</p>
`))

var verificationCodeText = texttemplate.Must(texttemplate.New("verify-code").Parse(`Welcome to {{.AppName}}.

Your verification code is: {{.Code}}

The code expires in 15 minutes. If you did not create an account, ignore this email.
`))

var verificationLinkHTML = template.Must(template.New("verify-link").Parse(`
<p>Welcome to {{.AppName}}.</p>
<p><a href="{{.ActionURL}}">Click here to confirm your email address.</a></p>
<p>The link expires in 1 hour. If you did not create an account, ignore this email.</p>
`))

var verificationLinkText = texttemplate.Must(texttemplate.New("verify-link").Parse(`Welcome to {{.AppName}}.

Confirm your email address: {{.ActionURL}}

The link expires in 1 hour. If you did not create an account, ignore this email.
`))

var resetCodeHTML = template.Must(template.New("reset-code").Parse(`
<p>A password reset was requested for your {{.AppName}} account.</p>
<p>Your reset code is:</p>
<p style="font-size:24px;font-weight:bold;letter-spacing:4px">{{.Code}}</p>
<p>The code expires in 15 minutes. If you did not request this, ignore this email.</p>
`))

var resetCodeText = texttemplate.Must(texttemplate.New("reset-code").Parse(`A password reset was requested for your {{.AppName}} account.

Your reset code is: {{.Code}}

The code expires in 15 minutes. If you did not request this, ignore this email.
`))

var resetLinkHTML = template.Must(template.New("reset-link").Parse(`
<p>A password reset was requested for your {{.AppName}} account.</p>
<p><a href="{{.ActionURL}}">Click here to choose a new password.</a></p>
<p>The link expires in 1 hour. If you did not request this, ignore this email.</p>
`))

var resetLinkText = texttemplate.Must(texttemplate.New("reset-link").Parse(`A password reset was requested for your {{.AppName}} account.

Choose a new password: {{.ActionURL}}

The link expires in 1 hour. If you did not request this, ignore this email.
`))

// RenderVerificationCode renders the 6-digit email verification message.
func RenderVerificationCode(data TemplateData) (Message, error) {
	return render(verificationCodeSubject, verificationCodeHTML, verificationCodeText, data)
}

// RenderVerificationLink renders the magic-link email verification message.
func RenderVerificationLink(data TemplateData) (Message, error) {
	return render(verificationLinkSubject, verificationLinkHTML, verificationLinkText, data)
}

// RenderResetCode renders the 6-digit password reset message.
func RenderResetCode(data TemplateData) (Message, error) {
	return render(resetCodeSubject, resetCodeHTML, resetCodeText, data)
}

// RenderResetLink renders the password reset link message.
func RenderResetLink(data TemplateData) (Message, error) {
	return render(resetLinkSubject, resetLinkHTML, resetLinkText, data)
}

func render(subject string, html *template.Template, text *texttemplate.Template, data TemplateData) (Message, error) {
	var htmlBuf, textBuf bytes.Buffer
	if err := html.Execute(&htmlBuf, data); err != nil {
		return Message{}, fmt.Errorf("render html template: %w", err)
	}
	if err := text.Execute(&textBuf, data); err != nil {
		return Message{}, fmt.Errorf("render text template: %w", err)
	}
	return Message{
		Subject: subject,
		HTML:    htmlBuf.String(),
		Text:    textBuf.String(),
	}, nil
}
