// Package pos defines the point-of-sale records that flow through the sync
// engine: completed sales and the rows derived from them, fraud shadows and
// heartbeats.
//
// The package imports nothing internal. Every other package that needs a
// sale or a remote row depends on pos, never the other way round.
//
// Money is carried as decimal.Decimal and serializes as a JSON string, so
// sale payloads never contain floats and can be hashed canonically.
package pos
