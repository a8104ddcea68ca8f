// Package guest connects a guest process to its host: it registers, mirrors
// the host state, forwards dispatched actions upstream, and calls host
// services.
package guest
