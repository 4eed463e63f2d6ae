// Package transport implements the websocket peer protocol: connections
// join rooms named after the entity they serve ("session:<id>",
// "machine:<id>"), heartbeats and realtime events flow in, and
// room-addressed frames flow out. The Hub implements the RoomSender
// contract consumed by the sync and rpc packages.
package transport
