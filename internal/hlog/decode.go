package hlog

// DecodeRecordBytes parses a header+key+value record out of a raw byte
// buffer obtained from a Device read, independent of the allocator's own
// page storage. Used by the operation engine's on-disk fault path, where
// the bytes live in a caller-owned buffer rather than a resident page.
func DecodeRecordBytes[K any, V any](buf []byte, codec ValueCodec[V]) (hdr RecordHeader, key K, value V, totalLen uint32) {
	hdr = loadHeader(buf, 0)
	for i := 0; i < 4; i++ {
		totalLen |= uint32(buf[headerSize+i]) << (8 * i)
	}
	var keyLen uint32
	keyLenOff := headerSize + headerLenPrefix
	for i := 0; i < 4; i++ {
		keyLen |= uint32(buf[keyLenOff+i]) << (8 * i)
	}
	keyOff := headerSize + headerLenPrefix + keyLenPrefix
	key = decodeKeyBytes[K](buf[keyOff:], int(keyLen))
	valOff := keyOff + int(keyLen)
	value = codec.ReadFn(buf[valOff:totalLen])
	return hdr, key, value, totalLen
}

// LocateOnDisk maps a logical address to the (segment, offset, maxLen)
// triple a Device.ReadAsync call needs: maxLen is the number of bytes
// remaining in that address's page/segment, an upper bound on how large the
// record starting at addr could possibly be.
func (a *Allocator[K, V]) LocateOnDisk(addr Address) (segment uint64, offset int64, maxLen uint64) {
	pageIdx := PageIndex(addr, a.pageBits)
	inPageOff := Offset(addr, a.pageBits)
	segment, segOffset := a.segmentFor(pageIdx)
	offset = segOffset + int64(inPageOff)
	maxLen = a.pageSize - inPageOff
	return segment, offset, maxLen
}
