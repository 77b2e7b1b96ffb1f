// Package influxdb records automation run history in InfluxDB.
//
// It wraps influxdb-client-go v2 with connection checks, batched
// non-blocking writes, and health monitoring. The client satisfies the
// automation engine's PointWriter, which writes one "automation_run"
// point per firing:
//
//	automation_run,automation_id=12,source=tick,status=completed
//	    duration_ms=41i,actions_total=2i,actions_succeeded=2i,actions_failed=0i
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without history
//	}
//	defer client.Close()
//	engine.SetPointWriter(client)
//
// Writes are batched according to batch_size and flush_interval. Write
// failures are asynchronous and reported through SetOnError.
package influxdb
