package protocol

// Metadata keys attached to request contexts by the transports.
const (
	MetaTransport     = "transport"
	MetaRemoteAddr    = "remote_addr"
	MetaRequestID     = "request_id"
	MetaRPCID         = "rpc_id"
	MetaAPIKey        = "api_key"
	MetaAuthorization = "authorization"
)

// Transport names recorded under MetaTransport.
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)
