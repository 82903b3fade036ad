// Package routeros implements a client for the RouterOS-style binary API
// exposed by the network's core appliances.
//
// # Wire Format
//
// A command is a sentence: a sequence of words followed by a zero-length
// word. Each word is its UTF-8 bytes prefixed by a length:
//
//	len < 0x80    → 1 byte:  len
//	len < 0x4000  → 2 bytes: (len >> 8) | 0x80, len & 0xFF
//
// Longer words are rejected with ErrProtocol.
//
// Replies are sentences starting with !re (one data row), !trap (error,
// followed by !done), !done or !fatal (session closed by the appliance).
// Attributes are words of the form =key=value.
//
// # Login
//
//	c, err := routeros.Connect(ctx, routeros.Config{Host: "10.0.0.1"})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	if err := c.Login(ctx, "api", "secret"); err != nil {
//	    return err
//	}
//	reply, err := c.Execute(ctx, "/interface/print")
//
// Older appliances answer the plain login with a "ret" challenge; the client
// then sends "00" + hex(md5(0x00 || password || challenge)).
//
// # Thread Safety
//
// All methods are safe for concurrent use, but only one command can be in
// flight per connection. A second concurrent Execute returns ErrBusy.
package routeros
