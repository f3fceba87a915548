package etf

// Wire tag bytes from the External Term Format, plus the distribution
// protocol's own framing tags (DistHeader, fragment header/continuation,
// compressed, pass-through).
const (
	tagVersion = 131

	tagSmallInteger   = 97
	tagInteger        = 98
	tagFloat          = 99 // legacy ASCII float, decode-only
	tagAtomDeprecated = 100
	tagReference      = 101
	tagPort           = 102
	tagPid            = 103
	tagSmallTuple     = 104
	tagLargeTuple     = 105
	tagNil            = 106
	tagString         = 107
	tagList           = 108
	tagBinary         = 109
	tagSmallBig       = 110
	tagLargeBig       = 111
	tagNewFun         = 112
	tagExport         = 113
	tagNewReference   = 114
	tagSmallAtomDepr  = 115
	tagMap            = 116
	tagFun            = 117
	tagAtomUTF8       = 118
	tagSmallAtomUTF8  = 119
	tagNewerReference = 90
	tagNewPort        = 89
	tagNewPid         = 88
	tagBitBinary      = 77
	tagNewFloat       = 70

	tagLocalExt = 121

	tagDistHeader   = 68
	tagFragHeader   = 69
	tagFragCont     = 70
	tagCompressed   = 80
	tagPassThrough  = 112 // distinct namespace from ETF tags; see transport framing
	tagAtomCacheRef = 82
)
