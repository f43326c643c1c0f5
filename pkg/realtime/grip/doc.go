/*
Package grip implements realtime fanout through a GRIP-capable reverse
proxy (Pushpin, Fanout Cloud).

It provides:
  - Publisher: the feed.Publisher capability speaking EPCP to one or more
    control endpoints, with per-format channels and chained message ids
  - PubControl / PubControlSet: asynchronous EPCP publish clients with
    claim-based JWT auth
  - Hold instructions and Grip-Sig validation for the HTTP front end

Usage:

	set := grip.NewPubControlSet()
	set.ApplyConfig(entries)
	defer set.Close()

	pub := grip.NewPublisher(set, "feed-", nil)
	err := pub.Publish(ctx, "myfeed-created", item, nil, cursor, prevCursor)
*/
package grip
