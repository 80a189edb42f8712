// Command huddle runs the presence, messaging and call-signaling server.
package main

func main() {
	Execute()
}
