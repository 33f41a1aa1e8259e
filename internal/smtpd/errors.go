package smtpd

import "github.com/emersion/go-smtp"

// SMTP 层面的拒绝响应
var (
	ErrRelayDenied = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}
	ErrUserUnknown = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "User unknown",
	}
	ErrInternal = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Internal error",
	}
	ErrTooManyRecipients = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 5, 3},
		Message:      "Too many recipients",
	}
	ErrParseFailure = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message parse failure",
	}
	ErrSessionClosed = &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 4, 2},
		Message:      "Connection closed",
	}
)

// tooManyConnectionsReply 超过并发上限时直接写给客户端的响应
const tooManyConnectionsReply = "421 4.7.0 Too many connections, try again later\r\n"
