// Package subscription derives upstream subscription targets from an
// account's tracked market set.
//
// All functions are pure and order-insensitive: the same market set always
// produces the same subscription plan, so callers can compare plans without
// triggering redundant resubscription churn.
package subscription
