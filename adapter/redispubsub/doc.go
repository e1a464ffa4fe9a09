// Package redispubsub provides a Redis pub/sub transport for relay.
//
// Transport name: "redis"
//
// Requests are PUBLISHed on a pooled client; reply channels are
// SUBSCRIBEd on one dedicated pub/sub connection whose confirmations are
// awaited, so a reply can never beat its subscription.
//
// Config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - password, username, db
// - tls, tls_server_name
// - pool_size: publisher pool size (default 10)
// - channel_size: buffered deliveries (default 1000)
// - confirm_timeout: SUBSCRIBE/UNSUBSCRIBE confirmation wait (default 2s)
// - health_interval: ping period for Status (default 5s)
//
// Example builder usage:
//
//	bridge, err := relay.NewBuilder().
//	    WithTransport(redispubsub.TransportName, map[string]any{
//	        "addr":            "redis:6379",
//	        "confirm_timeout": "1s",
//	    }).
//	    Build()
package redispubsub
