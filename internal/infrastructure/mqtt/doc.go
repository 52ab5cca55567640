// Package mqtt provides MQTT client connectivity for tsrd.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Timeline ingress subscriptions (tsr/timeline/state, tsr/timeline/clear)
//   - Publishing for mqttsend devices, bounded by the scheduler's context
//   - Last Will and Testament on tsr/system/status
//
// # Topic Layout
//
//	tsr/timeline/state          resolved timeline states in
//	tsr/timeline/clear          clear-future requests in
//	tsr/device/{id}/{sub}       mqttsend device output
//	tsr/event/{id}/{kind}       device events
//	tsr/system/status           retained online/offline
//	tsr/system/health           retained periodic health
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.TimelineState(), 1, handler)
package mqtt
