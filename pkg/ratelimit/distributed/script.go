package distributed

// luaTake refills the bucket for the time elapsed since the last call and
// takes ARGV[1] tokens if enough are present. Token counts are returned as
// strings because Redis truncates Lua numbers to integers.
//
// KEYS[1] bucket hash
// ARGV[1] tokens requested
// ARGV[2] now, in seconds
// ARGV[3] rate, tokens per second
// ARGV[4] burst
// ARGV[5] ttl, in milliseconds
const luaTake = `
local key = KEYS[1]
local requested = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local burst = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
	tokens = burst
	last = now
end

local elapsed = now - last
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= requested then
	tokens = tokens - requested
	allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last', tostring(math.max(now, last)))
redis.call('PEXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`

type keys struct {
	bucket    string
	instances string
}

func keysFor(prefix string) keys {
	return keys{
		bucket:    prefix + ":bucket",
		instances: prefix + ":instances",
	}
}
