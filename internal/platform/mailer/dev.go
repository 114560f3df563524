package mailer

import "github.com/bpark/bparkd/pkg/logger"

// Dev logs mail instead of sending it. Used when no mail backend is
// configured, so local runs never need credentials.
type Dev struct{}

func (Dev) Send(toEmail, toName, subject, text, html string) (string, error) {
	logger.Info("dev mailer: send", "to", toEmail, "subject", subject, "text", text)
	return "dev", nil
}

func (d Dev) SendParkingCode(email, name, code string) error {
	subject, text, html := parkingCodeMail(code)
	_, err := d.Send(email, name, subject, text, html)
	return err
}

func (d Dev) SendLatePickup(email, name, supportPhone string) error {
	subject, text, html := latePickupMail(supportPhone)
	_, err := d.Send(email, name, subject, text, html)
	return err
}

func (d Dev) SendForcedExit(email, name, supportPhone, supportEmail string) error {
	subject, text, html := forcedExitMail(supportPhone, supportEmail)
	_, err := d.Send(email, name, subject, text, html)
	return err
}
