package eda

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const specCacheDirName = ".eda"
const streamEndpointsFileName = "streams.json"

// SpecCache is the version-partitioned on-disk descriptor cache:
//
//	~/.eda/<version>/<category>/<name>.json        raw descriptor
//	~/.eda/<version>/<category>/<name>.types.json  derived type descriptions
//	~/.eda/<version>/streams.json                  aggregated stream endpoints
//
// Files are written once per version and treated as immutable afterward; a
// version bump starts a new directory and leaves old ones untouched. Write
// failures are warnings, not errors: discovery proceeds with the in-memory
// result for the current session.
type SpecCache struct {
	dir string
	log Logger
}

func NewSpecCache(log Logger) *SpecCache {
	dir := specCacheDirName
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, specCacheDirName)
	}
	return NewSpecCacheWithDir(dir, log)
}

func NewSpecCacheWithDir(dir string, log Logger) *SpecCache {
	return &SpecCache{
		dir: dir,
		log: log,
	}
}

func (self *SpecCache) WriteDescriptor(version string, category string, name string, raw []byte) {
	self.writeFile(version, category, name+".json", raw)
}

func (self *SpecCache) WriteTypes(version string, category string, name string, types any) {
	data, err := json.MarshalIndent(types, "", "  ")
	if err != nil {
		self.log.Warningf("[speccache]types marshal %s/%s = %s", category, name, err)
		return
	}
	self.writeFile(version, category, name+".types.json", data)
}

func (self *SpecCache) WriteStreamEndpoints(version string, endpoints []*StreamEndpoint) {
	data, err := json.MarshalIndent(endpoints, "", "  ")
	if err != nil {
		self.log.Warningf("[speccache]endpoints marshal = %s", err)
		return
	}
	path := filepath.Join(self.dir, version, streamEndpointsFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		self.log.Warningf("[speccache]mkdir %s = %s", filepath.Dir(path), err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		self.log.Warningf("[speccache]write %s = %s", path, err)
	}
}

func (self *SpecCache) LoadStreamEndpoints(version string) ([]*StreamEndpoint, bool) {
	path := filepath.Join(self.dir, version, streamEndpointsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var endpoints []*StreamEndpoint
	if err := json.Unmarshal(data, &endpoints); err != nil {
		self.log.Warningf("[speccache]bad cache %s = %s", path, err)
		return nil, false
	}
	return endpoints, true
}

func (self *SpecCache) writeFile(version string, category string, name string, data []byte) {
	path := filepath.Join(self.dir, version, category, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		self.log.Warningf("[speccache]mkdir %s = %s", filepath.Dir(path), err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		self.log.Warningf("[speccache]write %s = %s", path, err)
	}
}
