/*
Package events fans committed queue events out to in-process subscribers.

The bus has two layers. Storage delivers events over its notification
channel (for Postgres that is LISTEN/NOTIFY), so every broker instance
sharing a database observes every commit, not just its own. The bus then
broadcasts each event to bounded per-subscriber channels:

	Postgres NOTIFY ──▶ store.Listen ──▶ Bus.Publish
	                                        │
	                       ┌────────────────┼────────────────┐
	                       ▼                ▼                ▼
	                  sub (all)        sub (orders)     WaitForMessage
	                  buffer: N        buffer: N        (dequeue long-poll)

Delivery is best effort. A subscriber that falls behind loses its oldest
undelivered events (drop-oldest) and gets a Lagged signal so it can resync
from storage. Events carry queue, action, message id and timestamp only;
payloads never travel over the notification channel.
*/
package events
