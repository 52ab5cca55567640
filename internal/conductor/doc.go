// Package conductor owns the running devices of a tsrd instance.
//
// It builds one pipeline per configured device, routes every incoming
// timeline state to each device with that device's slice of the mappings,
// and attaches the event sinks (logging, WebSocket, InfluxDB, Prometheus,
// SQLite) to every device emitter.
//
// Timeline states reach the conductor over MQTT (SubscribeIngress) or the
// HTTP API. Alongside the devices it runs a health reporter on
// tsr/system/health and a cron-driven retention job.
//
// # Lifecycle
//
//	c, err := conductor.New(cfg, conductor.Options{Publisher: mqttClient, Sinks: sinks})
//	if err != nil { ... }
//	defer c.Close()
//
//	err = c.SubscribeIngress(mqttClient, 1)
//	err = c.HandleState(state, mappings)
package conductor
