// Package ipc implements the message channel between the supervisor and one
// worker process.
//
// A channel is one end of an AF_UNIX SOCK_SEQPACKET socketpair. Each packet
// carries exactly one JSON encoded Message, so message boundaries survive the
// transport and packets are delivered reliably and in order. Open files (for
// example a listening socket or an accepted connection) travel alongside a
// message as SCM_RIGHTS control data.
//
// The supervisor keeps the *Channel returned by Pair and hands the *os.File to
// the child, which inherits it as fd 3 and reopens it with FromFile:
//
//	ch, childEnd, err := ipc.Pair()
//	cmd.ExtraFiles = []*os.File{childEnd}
//	go ch.Serve(handle, onError)
//
// Channels are Linux specific.
package ipc
