// Package model holds the request and result types shared by the executor
// and every transport.
package model
