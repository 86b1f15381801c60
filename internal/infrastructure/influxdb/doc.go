// Package influxdb records connection events in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Every bot, companion
// app and helper bot connect or disconnect seen by the protocol listeners
// becomes one point in the "connections" measurement, and each registry
// sweep becomes one point in "maintenance".
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // recording is optional
//	}
//	defer client.Close()
//
//	ch, cancel := bus.Subscribe(0)
//	defer cancel()
//	client.Record(ctx, ch)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; batch errors are
// delivered to the SetOnError callback.
package influxdb
