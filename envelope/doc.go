/*
Package envelope defines the request and result envelopes exchanged over the
broker and their JSON wire codec. Arguments and result values stay as raw JSON
so that the codec round-trips any serializable value byte for byte.
*/
package envelope
