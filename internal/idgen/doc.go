// Package idgen centralises identifier generation so that session and
// subscriber ids share one uuid source that tests can stub.
package idgen
