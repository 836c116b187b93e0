// Package display implements the bootstrap objects every connection starts
// with: wl_display at id 1, wl_registry and wl_callback.
//
// Server side, a Display owns the advertised globals shared by all
// connections and a Server accepts clients on the display socket. Client
// side, a Client connects, runs the event loop and exposes roundtrips,
// the globals snapshot and binding.
package display
