// Package hassclient speaks the Home Assistant websocket API.
//
// A Client dials the hub and runs the handshake: auth_required, auth, then
// supported_features on hubs that batch messages, then a get_config readiness
// check. Only a hub in the RUNNING state yields a Connection.
//
// A Connection multiplexes any number of concurrent commands and event
// subscriptions over one socket. Every command gets the next correlation id;
// a single receive loop routes each result to the caller waiting for that id
// and each event to its subscription, in arrival order. Late results for
// commands that already timed out are dropped. Close fails every pending
// command with ErrTransportClosed and ends every subscription.
//
//	client := hassclient.New(hassclient.WithLogger(logger))
//	conn, err := client.Connect(ctx, hassclient.Settings{Host: "hass.local", Port: 8123, Token: token})
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	states, err := conn.GetStates(ctx)
package hassclient
