// Package udt compiles IDL documents (*.ecaidl) into a catalog of primitive
// and user-defined types.
//
// A document declares types under the most recent category line (UDT when
// none was given):
//
//	category ECA
//	Phasor {
//	    FloatingPoint Double Magnitude
//	    FloatingPoint Double Angle
//	}
//
// Field types are resolved on first access. An unqualified reference
// resolves to the unique candidate with that identifier, else the unique
// primitive, else the unique candidate in the default category; anything
// else is an ambiguity error naming every candidate.
package udt
