// Package reply talks to the external reply-generation service.
//
// Client.Reply posts {tenantId, sender, text} and reads {reply}. It is bounded
// by a timeout and never fails: errors, timeouts and empty replies all map to
// configured fallback texts, with dedicated texts for HTTP 429 and 402.
//
// NormalizePeer derives the peer identifier used for conversations and for the
// sender field of reply requests.
package reply
