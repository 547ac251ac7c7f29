// Package target normalizes request destinations into comparable Host values.
//
// A Host is used as a map key and as the unit of comparison when deciding
// whether authentication state recorded for one destination may be reused for
// another.
package target
