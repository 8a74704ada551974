package domain

const (
	// LogMessageSeparator joins pushed log batches. Record separator, never part of a message.
	LogMessageSeparator = "\x1e"

	// ClientPIDSeparator joins PIDs in the streaming clients property.
	ClientPIDSeparator = ","

	// NoLogMessagesAvailable is returned by a pull when the log queue is empty.
	NoLogMessagesAvailable = "<no log messages available>"

	// UnsupportedLogCollectionMode is returned by a pull while the channel pushes.
	UnsupportedLogCollectionMode = "<log collection mode does not support pulling>"

	// LogBufferRetriesFailed is logged by the device when no sink buffer arrives after retrying.
	LogBufferRetriesFailed = "Failed to get a sink buffer after retries"

	// LogTimestampLayout prefixes every device log line.
	LogTimestampLayout = "2006-01-02 15:04:05.000"
)
