package receiver

import "github.com/infodancer/smtpd/internal/parser"

// Reply text, grounded verbatim on original_source/reply_codes.h. Only
// the subset handle_command.c actually emits is reproduced here; codes
// it never used (generic 450/451, 551) are left out rather than kept
// as unreachable constants.
const (
	reply220Fmt = "220 %s Service ready - %s\r\n"
	reply221Fmt = "221 2.0.0 %s closing connection\r\n"

	reply250OK           = "250 2.0.0 OK\r\n"
	replySenderOK        = "250 2.1.0 Sender ok\r\n"
	replyRecipientOK     = "250 2.1.5 Recipient ok\r\n"
	replyResetState      = "250 2.0.0 Reset state\r\n"
	replyMessageAccepted = "250 2.0.0 Message accepted for delivery\r\n"
	replyEHLOFmt         = "250-%s\r\n250-8BITMIME\r\n250-SIZE %d\r\n250 CHUNKING\r\n"
	replyHELOFmt         = "250 %s\r\n"

	reply354 = "354 Enter mail, end with \".\" on a line by itself\r\n"

	replyTooManyTransactionsFmt = "450 4.7.1 Error: too much mail from %s\r\n"

	replyInsufficientDiskSpace = "452 4.4.5 Insufficient disk space; try again later\r\n"
	replyTooManyRecipients     = "452 4.5.3 Too many recipients\r\n"

	reply500 = "500 5.5.1 Command unrecognized\r\n"

	replyEHLORequiresDomain  = "501 5.0.0 ehlo requires domain address\r\n"
	replyHELORequiresDomain  = "501 5.0.0 helo requires domain address\r\n"
	replyInvalidDomainName   = "501 5.0.0 Invalid domain name\r\n"
	replySyntaxErrorMailFrom = "501 5.5.2 Syntax error in parameters scanning \"from\"\r\n"
	replyBadSender           = "501 5.1.7 Syntax error in mailbox address\r\n"
	replySyntaxErrorRcptTo   = "501 5.5.2 Syntax error in parameters scanning \"to\"\r\n"
	replyBadRecipient        = "501 5.1.3 Syntax error in mailbox address\r\n"
	replyRsetSyntax          = "501 5.5.4 Syntax: \"RSET\"\r\n"
	replyBdatSyntax          = "501 Syntax: \"BDAT\" SP chunk-size[SP \"LAST\"]\r\n"
	replyDataSyntax          = "501 5.5.4 Syntax: \"DATA\"\r\n"

	reply502 = "502 5.5.1 Command not implemented\r\n"

	replyNeedHelo                  = "503 5.0.0 Polite people say HELO first\r\n"
	replyNeedMail                  = "503 5.0.0 Need MAIL before RCPT\r\n"
	replyNeedRcpt                  = "503 5.0.0 Need RCPT (recipient)\r\n"
	replyMailTransactionInProgress = "503 5.5.1 Error: MAIL transaction in progress\r\n"
	replySenderAlreadySpecified    = "503 5.5.0 Sender already specified\r\n"

	reply550 = "550 5.1.1 Addressee unknown\r\n"
	reply552 = "552 5.2.3 Message size exceeds maximum value\r\n"
)

// verbSyntaxReplies maps a verb to the 501 text handle_command selects
// once parse_smtp_command has already flagged a syntax error for that
// verb's arguments.
var verbSyntaxReplies = map[parser.Verb]string{
	parser.EHLO: replyEHLORequiresDomain,
	parser.HELO: replyHELORequiresDomain,
	parser.MAIL: replySyntaxErrorMailFrom,
	parser.RCPT: replySyntaxErrorRcptTo,
	parser.RSET: replyRsetSyntax,
	parser.DATA: replyDataSyntax,
	parser.BDAT: replyBdatSyntax,
}

// reply501For picks the verb-specific syntax-error text for a 501
// ParseCommand failure, falling back to the generic command-unrecognized
// text for verbs with no verb-specific 501 of their own (VRFY, EXPN,
// HELP have no argument grammar worth a dedicated message).
func reply501For(verb parser.Verb) string {
	if text, ok := verbSyntaxReplies[verb]; ok {
		return text
	}
	return reply500
}
