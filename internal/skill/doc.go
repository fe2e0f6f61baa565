// Package skill resolves the skills named in the roster into runnable
// implementations. Kinds are registered up front; definitions are decoded and
// validated when the roster is loaded.
package skill
