/*
Package syntax provides string types for the identifier formats used in
decentralized account resolution: DIDs, handles, and the union of the two.

All types are simple string wrappers which have been syntax-validated at
construction. Always use the Parse functions on untrusted input; wrapping
raw strings directly skips validation.
*/
package syntax
