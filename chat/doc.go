// Package chat posts messages into a Twitch channel's chat.
//
// It provides two pieces:
//   - Client: a minimal IRC-over-WebSocket client. It logs in with PASS/NICK,
//     joins the channel after a short settle delay, answers PING, and while the
//     channel is live reconnects once after the socket closes.
//   - Scheduler: while the stream is live, waits a random delay drawn from the
//     minInterval/maxInterval settings, posts one random configured message,
//     and re-arms. Only one timer is ever pending.
//
// Credentials come from the oauth session manager. Without an access token no
// socket is opened and scheduled sends are skipped.
package chat
