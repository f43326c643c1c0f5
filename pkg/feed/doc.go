/*
Package feed defines the core feed domain: items, position specs, the
Store and Publisher capabilities, item formatting, and the Service facade
that composes them.

A feed is an append-only sequence of items within a named base, readable
in pages along an order key (created, modified, deleted) with
self-validating cursors. Storage backends implement Store (see
adapters/redis); realtime fanout backends implement Publisher (see
pkg/realtime/grip).

Usage:

	store := redisadapter.New(client, redisadapter.Config{}, publisher)
	svc := feed.NewService(store, publisher)

	item, err := svc.Add(ctx, "myfeed", data, "", true)
	result, err := svc.GetItems(ctx, "myfeed-created", since, nil, 50)
*/
package feed
