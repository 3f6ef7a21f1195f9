/*
	Package pyramid provides types, constants, and functions that have no other dependencies
	and can be used by all packages that build multi-resolution volume pyramids.  This
	includes logging, 3d points and boxes, and command string handling.
*/
package pyramid
