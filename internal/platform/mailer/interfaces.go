package mailer

// Service sends subscriber-facing mail. Implementations: MailerSend for
// production, plain SMTP for staging/Mailpit, Dev for local logging.
type Service interface {
	Send(toEmail, toName, subject, text, html string) (string, error)
	SendParkingCode(email, name, code string) error
	SendLatePickup(email, name, supportPhone string) error
	SendForcedExit(email, name, supportPhone, supportEmail string) error
}
