package domain

// Document is a file attached to an inbound message.
type Document struct {
	FileID   string
	FileName string
	MimeType string
	Size     int64
}

// Inbound is a transport-agnostic message delivered to the dispatcher.
type Inbound struct {
	ConversationID int64
	Sender         string
	Text           string
	Document       *Document
}

// IsCommand reports whether the message text is a slash command.
func (m Inbound) IsCommand() bool {
	return len(m.Text) > 0 && m.Text[0] == '/'
}
