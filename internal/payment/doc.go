// Package payment holds the payment request and summary types shared by the
// ingress handlers, the dispatch queue and the stats persister. Amounts are
// decimal.Decimal and are encoded in JSON as bare numbers.
package payment
