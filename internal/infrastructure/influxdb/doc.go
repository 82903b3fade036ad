// Package influxdb keeps NOC history in InfluxDB v2.
//
// The relational store only holds current state and incident records.
// This package adds the time dimension: every device status transition,
// every incident opened or closed and every device sync run becomes a
// point, so availability and restore times can be graphed.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // history is optional
//	}
//	defer client.Close()
//
//	client.WriteDeviceStatus("NODO PICHIL", "down", "webhook", time.Now())
//
// Writes are non-blocking and batched per batch_size and flush_interval.
// Asynchronous write failures are delivered to the SetOnError callback.
// Every write method is a no-op on a disconnected or closed client.
package influxdb
