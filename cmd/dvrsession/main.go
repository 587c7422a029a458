// Command dvrsession keeps authenticated sessions to Bluecherry-style DVR
// servers and exposes their camera inventories over HTTP and MQTT.
package main

func main() {
	Execute()
}
