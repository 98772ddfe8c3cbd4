package redisstore

import "github.com/redis/go-redis/v9"

// Amounts cross the script boundary as decimal strings. Lua numbers are
// doubles and lose precision above 2^53, so comparisons are done on the
// strings and arithmetic is left to INCRBY and DECRBY.
const greaterFn = `
local function greater(a, b)
  if #a ~= #b then
    return #a > #b
  end
  return a > b
end
`

// A pcall'd INCRBY past the int64 range comes back either as an error
// table or, on some Lua bridges, as nil. Anything that is not a number is
// an overflow unless the error says otherwise. GET raises WRONGTYPE for
// non-string keys before INCRBY is attempted.
const incrbyFn = `
local function integral(v)
  return v == false or v == nil or string.match(v, '^%-?%d+$') ~= nil
end

local function failure(r)
  if type(r) == 'table' and r.err and not string.find(r.err, 'overflow', 1, true) then
    return r.err
  end
  return nil
end
`

// KEYS[1] receipt key
// ARGV[1] mode ("registered" or "timed"), ARGV[2] stream id,
// ARGV[3] total, ARGV[4] ttl in milliseconds for timed claims
const resolveFn = `
local function resolve()
  if ARGV[1] == 'timed' then
    return true, redis.call('GET', KEYS[1]) or '0', '', ''
  end
  if redis.call('EXISTS', KEYS[1]) == 0 then
    return false, '0', '', ''
  end
  local v = redis.call('HMGET', KEYS[1], ARGV[2], 'spspEndpoint', 'spspId')
  return true, v[1] or '0', v[2] or '', v[3] or ''
end

local function record()
  if ARGV[1] == 'timed' then
    redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
  else
    redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
  end
end
`

var resolveScript = redis.NewScript(greaterFn + resolveFn + `
local found, prev, endpoint, id = resolve()
if found and greater(ARGV[3], prev) then
  record()
end
return {found and '1' or '0', prev, endpoint, id}
`)

// KEYS[2] balance key. The fifth element is the new balance, empty when
// nothing was credited, or "overflow".
var creditReceiptScript = redis.NewScript(greaterFn + resolveFn + incrbyFn + `
local found, prev, endpoint, id = resolve()
local status = found and '1' or '0'
if not found or not greater(ARGV[3], prev) then
  return {status, prev, endpoint, id, ''}
end

local old = redis.call('GET', KEYS[2])
if not integral(old) then
  return redis.error_reply('ERR balance is not an integer')
end
if prev ~= '0' then
  redis.call('DECRBY', KEYS[2], prev)
end
local r = redis.pcall('INCRBY', KEYS[2], ARGV[3])
if type(r) ~= 'number' then
  if old then
    redis.call('SET', KEYS[2], old)
  else
    redis.call('DEL', KEYS[2])
  end
  local err = failure(r)
  if err then
    return redis.error_reply(err)
  end
  return {status, prev, endpoint, id, 'overflow'}
end

record()
return {status, prev, endpoint, id, redis.call('GET', KEYS[2])}
`)

// KEYS[1] balance key, ARGV[1] amount
var creditScript = redis.NewScript(incrbyFn + `
if not integral(redis.call('GET', KEYS[1])) then
  return redis.error_reply('ERR balance is not an integer')
end
local r = redis.pcall('INCRBY', KEYS[1], ARGV[1])
if type(r) ~= 'number' then
  local err = failure(r)
  if err then
    return redis.error_reply(err)
  end
  return {'overflow', ''}
end
return {'ok', redis.call('GET', KEYS[1])}
`)

// KEYS[1] balance key, ARGV[1] amount
var spendScript = redis.NewScript(greaterFn + `
local balance = redis.call('GET', KEYS[1])
if not balance then
  return {'unknown', ''}
end
if greater(ARGV[1], balance) then
  return {'insufficient', ''}
end
redis.call('DECRBY', KEYS[1], ARGV[1])
return {'ok', redis.call('GET', KEYS[1])}
`)
