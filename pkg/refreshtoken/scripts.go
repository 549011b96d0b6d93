package refreshtoken

import "github.com/redis/go-redis/v9"

// Every multi-key mutating backend operation is a single Lua script
// executed atomically via EVALSHA (after a one-time SCRIPT LOAD at adapter
// initialization — see store.go's initScripts). Scripts receive the keys
// they name explicitly through KEYS, and otherwise touch only the record
// keys stored as members of a user index; none of them compute a key name
// from ARGV, so the adapter remains the single owner of key naming.

var scriptSaveToken = redis.NewScript(`
local tokenKey = KEYS[1]
local userIndexKey = KEYS[2]
local payload = ARGV[1]
local subject = ARGV[2]
local ttl = tonumber(ARGV[3])

local ok, record = pcall(cjson.decode, payload)
if not ok or record.subject ~= subject then
	return redis.error_reply("userIdMismatch")
end

local inserted = redis.call('SET', tokenKey, payload, 'EX', ttl, 'NX')
if not inserted then
	return redis.error_reply("tokenAlreadyExists")
end

redis.call('SADD', userIndexKey, tokenKey)
return 1
`)

// scriptSaveBatch expects KEYS = {tokenKey1, ..., tokenKeyN, userIndexKey}
// and ARGV = {value1, ..., valueN, ttlSeconds}. Duplicate token keys
// inside one batch are tolerated silently — only the winner of each NX
// race is counted.
var scriptSaveBatch = redis.NewScript(`
local userIndexKey = KEYS[#KEYS]
local ttl = tonumber(ARGV[#ARGV])
local count = 0

for i = 1, #KEYS - 1 do
	local inserted = redis.call('SET', KEYS[i], ARGV[i], 'EX', ttl, 'NX')
	if inserted then
		redis.call('SADD', userIndexKey, KEYS[i])
		count = count + 1
	end
end

return count
`)

var scriptMarkTokenUsed = redis.NewScript(`
local tokenKey = KEYS[1]
local userIndexKey = KEYS[2]
local subject = ARGV[1]
local usedTtl = tonumber(ARGV[2])

local raw = redis.call('GET', tokenKey)
if not raw then
	return 0
end

local ok, record = pcall(cjson.decode, raw)
if not ok then
	return 0
end
if record.used then
	return 0
end
if record.subject ~= subject then
	return 0
end

record.used = true
redis.call('SET', tokenKey, cjson.encode(record), 'EX', usedTtl)
redis.call('SREM', userIndexKey, tokenKey)
return 1
`)

var scriptDeleteToken = redis.NewScript(`
local tokenKey = KEYS[1]
local userIndexKey = KEYS[2]
local subject = ARGV[1]

local raw = redis.call('GET', tokenKey)
if not raw then
	return 0
end

local ok, record = pcall(cjson.decode, raw)
if not ok or record.subject ~= subject then
	return 0
end

redis.call('DEL', tokenKey)
redis.call('SREM', userIndexKey, tokenKey)
return 1
`)

var scriptRevokeAll = redis.NewScript(`
local userIndexKey = KEYS[1]
local members = redis.call('SMEMBERS', userIndexKey)

for _, key in ipairs(members) do
	redis.call('DEL', key)
end
redis.call('DEL', userIndexKey)

return #members
`)

var scriptRevokeByDevice = redis.NewScript(`
local userIndexKey = KEYS[1]
local deviceId = ARGV[1]
local members = redis.call('SMEMBERS', userIndexKey)
local count = 0

for _, key in ipairs(members) do
	local raw = redis.call('GET', key)
	if not raw then
		redis.call('SREM', userIndexKey, key)
	else
		local ok, record = pcall(cjson.decode, raw)
		if ok and record.deviceId == deviceId then
			redis.call('DEL', key)
			redis.call('SREM', userIndexKey, key)
			count = count + 1
		end
	end
end

return count
`)

var scriptCleanupExpired = redis.NewScript(`
local userIndexKey = KEYS[1]
local members = redis.call('SMEMBERS', userIndexKey)
local count = 0

for _, key in ipairs(members) do
	local ttl = redis.call('TTL', key)
	if ttl == -2 then
		redis.call('SREM', userIndexKey, key)
		count = count + 1
	elseif ttl == -1 then
		redis.call('DEL', key)
		redis.call('SREM', userIndexKey, key)
		count = count + 1
	end
end

return count
`)

// scriptStatsOptimized expects KEYS = {userIndexKey, statsKey}. statsKey
// may be the empty string, which disables both the cache read and the
// cache write (this is how the adapter implements Options.enableCaching
// == false — see stats.go). ARGV = {maxBatch, statsTtlSeconds, nowMillis}.
var scriptStatsOptimized = redis.NewScript(`
local userIndexKey = KEYS[1]
local statsKey = KEYS[2]
local maxBatch = tonumber(ARGV[1])
local statsTtl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cacheEnabled = statsKey ~= ''
local scanCap = 500
local orphanCap = 50

if cacheEnabled then
	local cached = redis.call('HMGET', statsKey, 'active', 'total', 'devices', 'lastUpdated')
	if cached[4] and (now - tonumber(cached[4])) < (statsTtl * 1000) then
		return {tonumber(cached[1]) or 0, tonumber(cached[2]) or 0, tonumber(cached[3]) or 0}
	end
end

local members = redis.call('SMEMBERS', userIndexKey)
local total = #members
local active = 0
local devices = {}
local orphans = {}
local scanned = 0

local i = 1
while i <= #members and scanned < scanCap do
	local batchEnd = math.min(i + maxBatch - 1, #members)
	local batchKeys = {}
	for j = i, batchEnd do
		table.insert(batchKeys, members[j])
	end

	local values = redis.call('MGET', unpack(batchKeys))
	for idx, raw in ipairs(values) do
		scanned = scanned + 1
		if raw == false then
			table.insert(orphans, batchKeys[idx])
		else
			local ok, record = pcall(cjson.decode, raw)
			if ok and not record.used then
				active = active + 1
				devices[record.deviceId] = true
			end
		end
	end
	i = batchEnd + 1
end

local deviceCount = 0
for _ in pairs(devices) do
	deviceCount = deviceCount + 1
end

local removed = 0
for _, key in ipairs(orphans) do
	if removed >= orphanCap then
		break
	end
	redis.call('SREM', userIndexKey, key)
	removed = removed + 1
end

if scanned < total then
	-- Hit the scan cap on a pathological subject: extrapolate rather than
	-- report a partial count, and skip the cache write so the next call
	-- retries instead of freezing a bad estimate.
	local ratio = total / scanned
	active = math.floor(active * ratio)
	deviceCount = math.floor(deviceCount * ratio)
	return {active, total, deviceCount}
end

if cacheEnabled then
	redis.call('HMSET', statsKey, 'active', active, 'total', total, 'devices', deviceCount, 'lastUpdated', now)
	redis.call('EXPIRE', statsKey, statsTtl)
end

return {active, total, deviceCount}
`)

// allScripts lists every script the adapter must register before serving
// its first operation.
func allScripts() []*redis.Script {
	return []*redis.Script{
		scriptSaveToken,
		scriptSaveBatch,
		scriptMarkTokenUsed,
		scriptDeleteToken,
		scriptRevokeAll,
		scriptRevokeByDevice,
		scriptCleanupExpired,
		scriptStatsOptimized,
	}
}
