// Package money holds the fixed-point amount helpers and the single tolerance
// policy used wherever two amounts are compared.
package money
