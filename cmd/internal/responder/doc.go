// Package responder answers inbound messages. It consumes process-incoming-message jobs,
// keeps a short per-user chat memory, asks a language model for a reply and sends it back
// through the user's session.
package responder
