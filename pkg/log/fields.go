package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (matches pkg/middleware keys)
	FieldUserID   = "user_id"
	FieldUsername = "username"

	// Service
	FieldService   = "service"
	FieldComponent = "component"

	// Pub/sub and realtime transports
	FieldChannel  = "channel"
	FieldEvent    = "event"
	FieldSocketID = "socket_id"
	FieldDriver   = "driver"

	// RPC connections
	FieldConnID      = "conn_id"
	FieldRPCID       = "rpc_id"
	FieldRPCPath     = "rpc_path"
	FieldConnections = "connections"
)
