// Package domain holds the pure session and participant types for the live
// session pipeline. Constructors validate and normalize input and take
// injectable clock and id-generator functions so services stay
// deterministic in tests.
package domain
