/*
Package client is the Go client library for portod's RPC socket.

It wraps the length-delimited framing pkg/rpcwire speaks (spec §6.1)
with one typed method per RPC call, so portoctl and other callers never
build a wire message by hand.

# Usage

	c, err := client.Dial("/run/portod.sock")
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	if err := c.Create("box"); err != nil {
		log.Fatal(err)
	}
	if err := c.SetProperty("box", "command", "/bin/sleep 100"); err != nil {
		log.Fatal(err)
	}
	if err := c.Start("box"); err != nil {
		log.Fatal(err)
	}

	fired, err := c.Wait([]string{"box"}, -1)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("exited:", fired)

# Error handling

A call the daemon answers with a non-zero wire error code returns a
*pkg/errors.Error of that kind, so callers can branch on errors.KindOf(err)
exactly as core code does. Dial, send and read failures are returned as
ordinary wrapped errors.

# Thread safety

A Client serializes one request/response pair per call over a single
connection; concurrent callers must either share external
synchronization or Dial separate connections.
*/
package client
