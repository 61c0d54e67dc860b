// Package gmail is a small IMAP client for Gmail accounts.
//
// It covers what a mail-processing program usually needs:
//
//   - Connecting over implicit TLS, optionally through a SOCKS5 proxy
//   - Authenticating with LOGIN (app passwords) or XOAUTH2, refreshing a
//     rejected OAuth token once
//   - Listing mailboxes, counting and paging messages, fetching headers with
//     Gmail message IDs, thread IDs and labels
//   - Searching with Gmail's own query syntax (X-GM-RAW)
//   - Moving and deleting messages, setting flags and labels
//
// An Account runs in one of two execution modes chosen at construction.
// In Blocking mode every method waits, bounded by a command timeout, and
// returns the result. In EventLoop mode the …Async methods return at once
// and deliver their result as a callback posted to a Loop.
//
// Underneath, a Session owns the connection and executes commands strictly
// one at a time, in submission order. Any protocol violation, timeout or
// I/O failure closes the session for good; create a new Account to
// reconnect.
package gmail
