// Package tg holds the core wire-level types shared by every botgate
// component: bot tokens, the update envelope queued per bot, the update-type
// bitmask used for emission filtering, and the API error taxonomy rendered
// as {"ok":false,...} JSON documents.
package tg
