//go:build waitq_cachelinesize_256

package opt

const CacheLineSize_ = 256
