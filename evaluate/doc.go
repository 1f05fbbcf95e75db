// Package evaluate grades a program against ordered test cases.
package evaluate
