package logging

type Category string
type SubCategory string
type ExtraKey string

const (
	General         Category = "General"
	IO              Category = "IO"
	Internal        Category = "Internal"
	Redis           Category = "Redis"
	RabbitMQ        Category = "RabbitMQ"
	MongoDB         Category = "MongoDB"
	Validation      Category = "Validation"
	RequestResponse Category = "RequestResponse"
	Prometheus      Category = "Prometheus"
	WebSocket       Category = "WebSocket"
	Session         Category = "Session"
	Client          Category = "Client"
)

const (
	// General
	Startup         SubCategory = "Startup"
	Shutdown        SubCategory = "Shutdown"
	RateLimiting    SubCategory = "RateLimiting"
	ExternalService SubCategory = "ExternalService"

	// WebSocket
	Decode    SubCategory = "Decode"
	Transport SubCategory = "Transport"
	Liveness  SubCategory = "Liveness"

	// Session
	Join         SubCategory = "Join"
	Leave        SubCategory = "Leave"
	Fanout       SubCategory = "Fanout"
	SlowConsumer SubCategory = "SlowConsumer"
	Integrity    SubCategory = "Integrity"
	Archive      SubCategory = "Archive"
	Lease        SubCategory = "Lease"

	// Client
	Reconnect SubCategory = "Reconnect"

	// IO
	Upload  SubCategory = "Upload"
	Publish SubCategory = "Publish"
	Consume SubCategory = "Consume"
	Audit   SubCategory = "Audit"
)

const (
	AppName       ExtraKey = "AppName"
	LoggerName    ExtraKey = "Logger"
	ClientIp      ExtraKey = "ClientIp"
	HostIp        ExtraKey = "HostIp"
	Method        ExtraKey = "Method"
	StatusCode    ExtraKey = "StatusCode"
	BodySize      ExtraKey = "BodySize"
	Path          ExtraKey = "Path"
	Latency       ExtraKey = "Latency"
	RequestBody   ExtraKey = "RequestBody"
	ResponseBody  ExtraKey = "ResponseBody"
	ErrorMessage  ExtraKey = "ErrorMessage"
	SessionID     ExtraKey = "SessionId"
	ConnectionID  ExtraKey = "ConnectionId"
	ParticipantID ExtraKey = "ParticipantId"
	Seq           ExtraKey = "Seq"
	Reason        ExtraKey = "Reason"
	Address       ExtraKey = "Address"
)
