// Package webhook relays user messages to a tenant's AI webhook.
//
// # Outbound
//
// Each user message becomes exactly one POST with a JSON body:
//
//	{
//	  "action": "sendMessage",
//	  "sessionId": "<conversation id>",
//	  "chatInput": "<message content>",
//	  "tenant": "<tenant slug>",
//	  "type": "text|image|video|audio",
//	  "mediaUrl": "<optional>",
//	  "userId": "<user id>"
//	}
//
// The call is bounded by the configured timeout. Network errors, timeouts and
// non-2xx responses return ErrRelayFailure; there is no automatic retry. A
// tenant without a webhook URL returns ErrNotConfigured and nothing is sent.
//
// # Reply normalization
//
// Workflow engines answer in different shapes. Normalize picks the reply text
// from the first non-empty field of:
//
//  1. response
//  2. output
//  3. message (a string, or an object searched with the same order)
//  4. text
//
// A top-level array is reduced to its first element and a non-JSON body is
// used as plain text. Media comes from imageUrl, videoUrl or audioUrl, or from
// an inline base64 "image" that is sniffed and turned into a data URL. When
// nothing is recognized the result is ErrEmptyReply.
package webhook
