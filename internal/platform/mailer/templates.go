package mailer

import "fmt"

func parkingCodeMail(code string) (subject, text, html string) {
	subject = "Your parking code"
	text = fmt.Sprintf("Your parking code is %s. Present it at the terminal to retrieve your vehicle.", code)
	html = fmt.Sprintf(`<p>Your parking code is <b>%s</b>.</p><p>Present it at the terminal to retrieve your vehicle.</p>`, code)
	return
}

func latePickupMail(supportPhone string) (subject, text, html string) {
	subject = "Your parking time has run out"
	text = fmt.Sprintf(
		"Your parking time has ended and your vehicle is still in the lot. "+
			"Please retrieve it as soon as possible. For assistance call %s.", supportPhone)
	html = fmt.Sprintf(
		`<p>Your parking time has ended and your vehicle is still in the lot.</p>`+
			`<p>Please retrieve it as soon as possible.</p>`+
			`<p>For assistance call <b>%s</b>.</p>`, supportPhone)
	return
}

func forcedExitMail(supportPhone, supportEmail string) (subject, text, html string) {
	subject = "Your vehicle has been moved by staff"
	text = fmt.Sprintf(
		"Your vehicle stayed 4 hours past its deadline and has been moved out of the lot by staff. "+
			"Contact us at %s or %s to arrange pickup.", supportPhone, supportEmail)
	html = fmt.Sprintf(
		`<p>Your vehicle stayed 4 hours past its deadline and has been moved out of the lot by staff.</p>`+
			`<p>Contact us at <b>%s</b> or <a href="mailto:%s">%s</a> to arrange pickup.</p>`,
		supportPhone, supportEmail, supportEmail)
	return
}
