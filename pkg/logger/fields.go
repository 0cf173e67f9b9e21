package logger

const (
	FieldError    = "error"
	FieldEcho     = "echo"
	FieldAction   = "action"
	FieldChatID   = "chat_id"
	FieldGroupID  = "group_id"
	FieldSenderID = "sender_id"
	FieldSubID    = "subscription"
	FieldPreview  = "preview"
	FieldURL      = "url"
)
