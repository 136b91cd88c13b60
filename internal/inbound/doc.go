// Package inbound turns messages received on a tenant's connection into replies.
//
// For each message the Pipeline:
//
//  1. ignores messages sent by the account itself, group messages and non-text messages
//  2. trims and caps the body, dropping messages without id, sender or body
//  3. claims the (tenant, id) pair in the in-process cache
//  4. upserts the conversation and creates the message record; a duplicate
//     record ends processing, a store failure drops the message
//  5. asks the reply service for a reply (falling back on failure)
//  6. delivers the reply and records the attempt best-effort
package inbound
