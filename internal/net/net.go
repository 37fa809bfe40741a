// Package net provides the transport of the storage proxy: a framed
// connection over any net.Conn (TCP, unix socket or an in-process pipe)
// carrying protocol envelopes, with read and write deadlines.
package net
