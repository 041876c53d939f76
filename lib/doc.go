// Package lib multiplexes request/response and streaming conversations over
// a single ordered byte stream.
//
// A Client and a Server each run one background task per connection. The
// task owns the conversation table and the write half of the stream; a
// reader goroutine owns the read half and the packet framer and feeds
// parsed packets to the task. Applications talk to the task only through
// bounded queues, the live Config and the task's close signal.
//
// When its stream fails, a Client configured WithReconnect asks its
// ReconStrat for a new one. Requests still waiting for a reply are sent
// again with their original ids; open streams end with ErrConnectionLost.
package lib
