package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	ShutdownTimeout    = 15 * time.Second
)

const (
	CacheKeyPrefixDedup = "dedup:"
)

const (
	DefaultMongoDBName   = "spool"
	DefaultMessagesTable = "messages"
)

const (
	DefaultTTLSeconds = 3600
)

const (
	FallbackAllow  = "allow"
	FallbackDeny   = "deny"
	FallbackReject = "reject"
)

const (
	DecodeReasonUnknownCodec = "unknown_codec"
	DecodeReasonCodecError   = "codec_error"
)

const (
	DefaultStream = "default"
)
